// The main package for the harvester executable.
package main

import "github.com/leadsignal/harvester/cmd"

func main() {
	cmd.Execute()
}
