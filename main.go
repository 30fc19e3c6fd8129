package main

import "github.com/andresmejia3/reelmatch/cmd"

func main() {
	cmd.Execute()
}
