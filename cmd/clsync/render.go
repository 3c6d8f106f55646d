// cmd/clsync/render.go
package main

import (
	"fmt"
	"io"
	"path"
	"strings"

	shared "clsync/shared/types"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func marker(status string) string {
	switch status {
	case "added":
		return green("A")
	case "modified":
		return yellow("M")
	case "deleted":
		return red("D")
	case "moved":
		return cyan("V")
	case "renamed":
		return cyan("R")
	default:
		return "?"
	}
}

// relTo shortens p when it lies under root.
func relTo(root, p string) string {
	if root == "" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, strings.TrimSuffix(root, "/")+"/"); ok {
		return rest
	}
	return p
}

func describe(root string, c shared.Change) string {
	if c.BeforePath != "" && c.AfterPath != "" && c.BeforePath != c.AfterPath {
		return fmt.Sprintf("%s -> %s", relTo(root, c.BeforePath), relTo(root, c.AfterPath))
	}
	return relTo(root, c.Path)
}

func renderStatus(out io.Writer, st shared.Status, root string, showIgnored bool) {
	total := len(st.Unversioned)
	for _, l := range st.Lists {
		total += len(l.Changes)
	}
	if st.Frozen != "" {
		fmt.Fprintf(out, "%s updates frozen: %s\n", yellow("!"), st.Frozen)
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "%s last update failed: %s\n", red("!"), st.LastError)
	}
	if total == 0 {
		fmt.Fprintln(out, "No changes (working tree clean)")
		return
	}

	for _, l := range st.Lists {
		if len(l.Changes) == 0 && !l.Default {
			continue
		}
		title := fmt.Sprintf("Changelist %q", l.Name)
		if l.Default {
			title += " (default)"
		}
		if l.ReadOnly {
			title += " (read-only)"
		}
		fmt.Fprintln(out, title+":")
		if l.Comment != "" {
			fmt.Fprintf(out, "  %s\n", faint(l.Comment))
		}
		for _, c := range l.Changes {
			fmt.Fprintf(out, "\t%s %s\n", marker(c.Status), describe(root, c))
		}
		fmt.Fprintln(out)
	}

	if len(st.Unversioned) > 0 {
		fmt.Fprintln(out, "Unversioned files:")
		fmt.Fprintln(out, "  (use \"clsync add <file>...\" to schedule them for addition)")
		for _, p := range st.Unversioned {
			fmt.Fprintf(out, "\t%s %s\n", blue("?"), relTo(root, p))
		}
		fmt.Fprintln(out)
	}
	if len(st.Locked) > 0 {
		fmt.Fprintln(out, "Unreadable folders:")
		for _, p := range st.Locked {
			fmt.Fprintf(out, "\t%s %s\n", red("L"), relTo(root, p))
		}
		fmt.Fprintln(out)
	}
	if showIgnored && len(st.Ignored) > 0 {
		fmt.Fprintln(out, "Ignored:")
		for _, p := range st.Ignored {
			fmt.Fprintf(out, "\t%s %s\n", faint("!"), relTo(root, p))
		}
		fmt.Fprintln(out)
	}
}

func renderLists(out io.Writer, lists []shared.ChangeList) {
	for _, l := range lists {
		mark := " "
		if l.Default {
			mark = green("*")
		}
		line := fmt.Sprintf("%s %s (%d)", mark, l.Name, len(l.Changes))
		if l.Comment != "" {
			line += "  " + faint(l.Comment)
		}
		fmt.Fprintln(out, line)
	}
}

// rootOf guesses the common root of a remote status for display.
func rootOf(st shared.Status) string {
	var paths []string
	for _, l := range st.Lists {
		for _, c := range l.Changes {
			paths = append(paths, c.Path)
		}
	}
	paths = append(paths, st.Unversioned...)
	if len(paths) == 0 {
		return ""
	}
	root := path.Dir(paths[0])
	for _, p := range paths[1:] {
		for root != "/" && !strings.HasPrefix(p, root+"/") {
			root = path.Dir(root)
		}
	}
	return root
}
