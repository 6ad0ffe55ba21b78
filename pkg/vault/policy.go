package vault

import (
	"fmt"
	"strings"
)

type PolicyRule struct {
	Path         string
	Capabilities []string
}

// PolicyHCL renders rules as a vault policy document.
func PolicyHCL(rules ...PolicyRule) string {
	var b strings.Builder
	for i, rule := range rules {
		caps := make([]string, len(rule.Capabilities))
		for j, c := range rule.Capabilities {
			caps[j] = fmt.Sprintf("%q", c)
		}
		fmt.Fprintf(&b, "path %q {\n", rule.Path)
		fmt.Fprintf(&b, "  capabilities = [%s]\n", strings.Join(caps, ", "))
		b.WriteString("}\n")
		if i < len(rules)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// AdminPolicy grants every capability on every path.
func AdminPolicy() string {
	return PolicyHCL(PolicyRule{
		Path:         "*",
		Capabilities: []string{"create", "read", "update", "delete", "list", "sudo"},
	})
}
