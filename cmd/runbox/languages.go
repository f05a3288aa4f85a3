package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/runbox/internal/language"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "Print the batch and interactive language profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := language.NewRegistry()
		doc := struct {
			Batch       []language.BatchProfile       `yaml:"batch"`
			Interactive []language.InteractiveProfile `yaml:"interactive"`
		}{reg.BatchProfiles(), reg.InteractiveProfiles()}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
