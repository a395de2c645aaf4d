package main

import "github.com/kiesman99/iiif-stitch/cmd"

func main() {
	cmd.Execute()
}
