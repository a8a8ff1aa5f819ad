package main

import "github.com/agentim/agentim/cmd"

func main() {
	cmd.Execute()
}
