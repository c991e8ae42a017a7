package main

import (
	"github.com/netninjacorp/emaildb"
	"github.com/netninjacorp/emaildb/config"
)

func openDB(readOnly bool) (*emaildb.DB, error) {
	opts := config.Default()
	opts.CreateIfMissing = !readOnly
	opts.ReadOnly = readOnly
	opts.CompressionName = compressionName
	opts.EncryptionName = encryptionName
	if err := opts.Resolve(); err != nil {
		return nil, err
	}
	return emaildb.Open(dbPath, opts)
}
