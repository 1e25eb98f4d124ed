package main

import "nem-price-alerts/internal/cli"

func main() {
	cli.Execute()
}
