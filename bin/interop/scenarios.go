package main

import (
	"fmt"
	"os"

	"github.com/QUIC-Tracker/quic-interop/scenarii"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// ScenariosCmd lists the scenario table, including the definitions loaded from SCENARIOS.
var ScenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "lists the available scenarios and their profile",
	Run: func(cmd *cobra.Command, args []string) {
		table, err := scenarii.LoadTableFile(v.GetString("scenarios"))
		if err != nil {
			exit(err)
		}
		name := color.New(color.Bold)
		for _, n := range table.Names() {
			name.Fprint(os.Stdout, n)
			fmt.Fprintf(os.Stdout, "\t%s\n", table[n])
		}
	},
}
