package cmd

import "testing"

func TestVersionRun(t *testing.T) {
	v := &Version{}
	if err := v.Run(&RunContext{}); err != nil {
		t.Fatalf("Version.Run: %v", err)
	}
}
