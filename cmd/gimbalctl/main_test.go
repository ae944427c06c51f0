package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shaunagostinho/gimbalctl/internal/message"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		args []string
		op   message.Opcode
	}{
		{[]string{"ping"}, message.OpPing},
		{[]string{"mode", "armed"}, message.OpMode},
		{[]string{"setpoint", "12.5", "-3"}, message.OpSetpoint},
		{[]string{"limits", "-90", "90", "-20", "45"}, message.OpLimits},
	}
	for _, tc := range cases {
		body, err := buildCommand(tc.args)
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		cmd, err := message.DecodeCommand(body)
		if err != nil {
			t.Fatalf("%v: decode: %v", tc.args, err)
		}
		if cmd.Op != tc.op {
			t.Fatalf("%v: op=%v", tc.args, cmd.Op)
		}
	}

	sp, _ := buildCommand([]string{"setpoint", "12.5", "-3"})
	if cmd, _ := message.DecodeCommand(sp); cmd.Setpoint.Pan != 12.5 || cmd.Setpoint.Tilt != -3 {
		t.Fatalf("setpoint=%+v", cmd.Setpoint)
	}
}

func TestBuildCommandRejects(t *testing.T) {
	for _, args := range [][]string{
		{"warp"},
		{"mode"},
		{"mode", "sideways"},
		{"setpoint", "1"},
		{"setpoint", "1", "x"},
		{"limits", "1", "2", "3"},
	} {
		if _, err := buildCommand(args); err == nil {
			t.Errorf("%v accepted", args)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "gimbalctl dev") {
		t.Fatalf("out=%q", out.String())
	}
}
