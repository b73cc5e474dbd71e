package cmd

import "fmt"

// Version represents the version command that prints the binary version.
type Version struct{}

// Run executes the version command.
func (v *Version) Run(rc *RunContext) error {
	fmt.Println(BuildVersion)
	return nil
}

// BuildVersion is set at build time via ldflags, mirroring the teacher's
// main.Version var.
var BuildVersion = "dev"
