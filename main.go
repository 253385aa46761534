// tb-harden applies CIS Kubernetes benchmark fixes to a node.
//
// Usage:
//
//	tb-harden audit                         # run audit probes on this node
//	tb-harden audit --node root@cp-1,root@cp-2
//	tb-harden remediate --dry-run           # show what would change
//	tb-harden remediate --rule 1.2.         # fix the API server section
//	tb-harden backups list
package main

import "github.com/tinkerbelle-io/tb-harden/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
