// Command lares runs the Lares MCP server and its maintenance subcommands.
package main

import (
	"os"

	"evalgo.org/lares/internal/commands"
)

func main() {
	os.Exit(commands.Execute())
}
