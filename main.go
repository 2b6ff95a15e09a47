package main

import "github.com/naka-gawa/contriboo/cmd"

func main() {
	cmd.Execute()
}
