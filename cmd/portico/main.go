package main

import "github.com/portico-web/portico/cmd/portico/cmd"

func main() {
	cmd.Execute()
}
