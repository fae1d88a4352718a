// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus prepares the wikitext-103 corpus as plain text: section header lines (like
// " = = Early life = = ") are replaced by empty lines, whitespace-only lines are dropped, and everything
// else is kept as is.
package corpus

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// headerMarker separates the '=' signs from the title in wikitext section headers.
const headerMarker = " = "

// IsSectionHeader reports whether line has more than one (non-overlapping) occurrence of " = ".
func IsSectionHeader(line string) bool {
	return strings.Count(line, headerMarker) > 1
}

// Stats summarizes one run of Filter.
type Stats struct {
	Lines    int64 // Lines read, including header lines.
	Headers  int64 // Lines replaced by "\n".
	Blanks   int64 // Whitespace-only lines, dropped.
	BytesIn  int64
	BytesOut int64
}

// Filter copies r to w line by line. Whitespace-only lines are dropped (the wikitext dataset rows for
// them are empty), section header lines (see IsSectionHeader) are replaced by a single "\n", and every
// other line is copied verbatim, including its line terminator. A last line without a terminator is
// copied without one.
func Filter(r io.Reader, w io.Writer) (stats Stats, err error) {
	reader := bufio.NewReaderSize(r, 1<<20)
	writer := bufio.NewWriterSize(w, 1<<20)
	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			stats.Lines++
			stats.BytesIn += int64(len(line))
			out := line
			switch {
			case strings.TrimSpace(line) == "":
				stats.Blanks++
				out = ""
			case IsSectionHeader(line):
				stats.Headers++
				out = "\n"
			}
			n, err := writer.WriteString(out)
			stats.BytesOut += int64(n)
			if err != nil {
				return stats, errors.Wrapf(err, "writing line %d", stats.Lines)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return stats, errors.Wrapf(readErr, "reading line %d", stats.Lines+1)
		}
	}
	if err = writer.Flush(); err != nil {
		return stats, errors.Wrap(err, "flushing filtered corpus")
	}
	return stats, nil
}
