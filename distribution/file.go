//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package distribution

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes the links of each batch, one per line, to
// <Dir>/<batch id>.txt. Existing files are never overwritten.
type FileSink struct {
	Dir string
}

func (fs *FileSink) Path(batchID string) string {
	return filepath.Join(fs.Dir, batchID+".txt")
}

func (fs *FileSink) Deliver(ctx context.Context, d *Delivery) error {
	if d.BatchID == "" || strings.ContainsAny(d.BatchID, `/\`) || d.BatchID != filepath.Base(d.BatchID) {
		return errInvalidBatchID
	}

	f, err := os.OpenFile(fs.Path(d.BatchID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, link := range d.Links {
		w.WriteString(link)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
