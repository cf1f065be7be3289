package main

import "github.com/nfrund/dmsync/cmd/dmsync/cmd"

func main() {
	cmd.Execute()
}
