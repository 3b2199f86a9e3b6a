package main

import "github.com/openconnector/sdagent/cmd"

func main() {
	cmd.Execute()
}
