// Package export renders filtered commit lists for the result sinks: a CSV
// stream for downloads and a terminal table for the admin CLI.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/olekukonko/tablewriter"
)

// Header is the column set of the rendered commit list.
var Header = []string{"Commit", "Author", "Message", "Repository Name", "Commit Date & Time", "Branch", "Jira Link(s)"}

// Rows formats commits into tabular cells matching Header.
func Rows(commits []contrib.Commit) [][]string {
	rows := make([][]string, 0, len(commits))
	for _, commit := range commits {
		rows = append(rows, []string{
			commit.DisplayID,
			commit.Author,
			commit.Message,
			repoName(commit.CommitLink),
			commit.CommitTime,
			commit.Branch,
			strings.Join(commit.JiraIDs, ", "),
		})
	}
	return rows
}

// WriteCSV streams the commit list as CSV with a header row.
func WriteCSV(w io.Writer, commits []contrib.Commit) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range Rows(commits) {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// WriteTable renders the commit list as an aligned terminal table.
func WriteTable(w io.Writer, commits []contrib.Commit) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(Header)
	table.SetAutoWrapText(false)
	table.SetRowLine(false)
	for _, row := range Rows(commits) {
		table.Append(row)
	}
	table.Render()
}

// repoName extracts the repository slug from a commit link.
func repoName(commitLink string) string {
	ref, err := contrib.ParseCommitLink(commitLink)
	if err != nil {
		return ""
	}
	return ref.Slug
}
