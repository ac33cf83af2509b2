package main

import "github.com/ngld/buildpipe/cmd"

func main() {
	cmd.Execute()
}
