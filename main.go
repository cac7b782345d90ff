package main

import "github.com/shono-io/pipex/cmd"

func main() {
	cmd.Execute()
}
