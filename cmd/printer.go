package cmd

import (
	"strings"

	"github.com/fatih/color"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// printWarn prints a warning to the screen.
func printWarn(message string) {
	message = "[-] " + message

	color.New(color.FgYellow, color.Bold).Println(message)
}

// printError prints an error to the screen.
func printError(err error) {
	message := "[!] " + err.Error()

	color.New(color.FgRed, color.Bold).Println(message)
}

// printSuccess prints a success message to the screen.
func printSuccess(message string) {
	message = "[+] " + message

	color.New(color.FgGreen, color.Bold).Println(message)
}

// printInfo prints an informational message to the screen.
func printInfo(message string) {
	message = "[*] " + message

	color.New(color.FgCyan).Println(message)
}

// titleCase converts a snake-cased name to a title, for example
// "link_loss" to "Link Loss".
func titleCase(name string) string {
	name = strings.ReplaceAll(name, "_", " ")

	return cases.Title(language.Und, cases.NoLower).String(name)
}
