// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package snapshot

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/zeebo/errs"
)

// Encode marshals v as compact JSON and compresses it with bzip2.
// Template payloads routinely exceed backend item limits uncompressed.
func Encode(v any) (_ []byte, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, Error.Wrap(errs.Combine(err, w.Close()))
	}
	if err := w.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses data and unmarshals the JSON body into v.
func Decode(data []byte, v any) (err error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return Error.Wrap(err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return Error.Wrap(errs.Combine(err, r.Close()))
	}
	if err := r.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(json.Unmarshal(raw, v))
}

// EncodeRecords encodes a whole record set, the body format of the
// file driver and the per-version blob of the bolt driver.
func EncodeRecords(records []Record) ([]byte, error) {
	return Encode(records)
}

// DecodeRecords decodes a record set produced by EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var records []Record
	if err := Decode(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
