package banner

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

func Print(role string) {
	art := `
██████╗ ███████╗██╗   ██╗███████╗██╗  ██╗
██╔══██╗██╔════╝██║   ██║██╔════╝██║  ██║
██████╔╝█████╗  ██║   ██║███████╗███████║
██╔══██╗██╔══╝  ╚██╗ ██╔╝╚════██║██╔══██║
██║  ██║███████╗ ╚████╔╝ ███████║██║  ██║
╚═╝  ╚═╝╚══════╝  ╚═══╝  ╚══════╝╚═╝  ╚═╝
`
	c := color.New(color.FgCyan, color.Bold)
	c.Println(art)

	fmt.Printf("   %s :: reverse shell with terminal + tunnel support\n", role)
	fmt.Printf("   Start Time: %s\n", time.Now().Format(time.RFC1123))
	fmt.Println(strings.Repeat("-", 50))
}

func PrintControllerStatus(addr string, interactive, tls bool) {
	color.Green("✓ Controller ready")
	fmt.Printf("   • Mode:        Controller\n")
	fmt.Printf("   • Remote:      %s\n", addr)
	fmt.Printf("   • Interactive: %v\n", interactive)
	fmt.Printf("   • Transport:   %s\n", transportLabel(tls))
	fmt.Println(strings.Repeat("-", 50))
}

func PrintTargetStatus(addr string, tls bool) {
	color.Green("✓ Target connected")
	fmt.Printf("   • Mode:        Target\n")
	fmt.Printf("   • Remote:      %s\n", addr)
	fmt.Printf("   • Transport:   %s\n", transportLabel(tls))
	fmt.Println(strings.Repeat("-", 50))
}

func transportLabel(tls bool) string {
	if tls {
		return "TLS/Secure"
	}
	return "Plaintext"
}
