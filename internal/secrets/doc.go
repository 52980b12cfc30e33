// Package secrets redacts credentials from feedback text before it leaves
// the process in a synthesis prompt.
//
// Observations are free text written by or about an agent, and users paste
// tokens, connection strings and keys into them. A Scrubber replaces every
// match of its rules with a fixed marker and reports which rules fired,
// never the matched values.
package secrets
