// Command nbsync is the notebook sync CLI.
package main

import "github.com/mesh-intelligence/notebooksync/internal/cli"

func main() {
	cli.Execute()
}
