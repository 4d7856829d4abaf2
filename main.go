// Command siteaudit crawls and audits websites.
package main

import (
	"github.com/JakeFAU/siteaudit/cmd"
)

func main() {
	cmd.Execute()
}
