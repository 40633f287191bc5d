package main

import "github.com/DragonSecurity/cdprelay/cmd"

func main() {
	cmd.Execute()
}
