package main

import "southwinds.dev/secevents/cli/cmd"

func main() {
	cmd.Execute()
}
