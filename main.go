package main

import "github.com/nextlevelbuilder/talon/cmd"

func main() {
	cmd.Execute()
}
