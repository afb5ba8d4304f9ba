package main

import "github.com/3mdistal/ralph/cmd"

func main() {
	cmd.Execute()
}
