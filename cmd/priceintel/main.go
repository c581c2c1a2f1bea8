package main

import "price-intel/internal/cli"

func main() {
	cli.Execute()
}
