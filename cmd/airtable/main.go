// Command airtable queries Airtable tables from the shell and can run a
// small HTTP server exposing paginated queries, health and metrics.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	root, a := newRootCmd()
	if err := execute(root, a); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
