package main

import "github.com/wikiops/rangerecon/cmd/rangerecon/commands"

func main() {
	commands.Execute()
}
