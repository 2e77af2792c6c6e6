package main

import "github.com/deploymenttheory/go-idxfs/cmd"

func main() {
	cmd.Execute()
}
