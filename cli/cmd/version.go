package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/cli/render"
	"github.com/pithecene-io/daybreak/types"
)

// VersionResponse is the output of the version command.
type VersionResponse struct {
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	RecordContract string `json:"record_contract"`
}

// VersionCommand returns the version command. It opens no storage.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if c.Bool("tui") {
				return cli.Exit("--tui is not supported for version command", 1)
			}
			return r.Render(VersionResponse{
				Version:        types.Version,
				Commit:         commit,
				RecordContract: types.RecordContractVersion,
			})
		},
	}
}
