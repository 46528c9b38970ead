package main

import "reviewsearch/internal/cli"

func main() {
	cli.Execute()
}
