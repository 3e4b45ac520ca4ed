// The main package for the pricecrawler executable.
package main

import (
	"github.com/JakeFAU/shelf-price-crawler/cmd"
)

func main() {
	cmd.Execute()
}
