package main

import (
	"github.com/gitops-tools/appsync-controller/pkg/cmd"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "appsync-cli",
		Short: "Application sync CLI",
	}

	rootCmd.AddCommand(cmd.NewRenderCommand())
	cobra.CheckErr(rootCmd.Execute())
}
