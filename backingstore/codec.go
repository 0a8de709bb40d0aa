// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package backingstore

import (
	"encoding/json"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/identifier"
)

// JSONCodec encodes records with encoding/json. New returns an empty record
// for Decode to fill; the decoded record must report the identifier it was
// stored under.
type JSONCodec struct {
	New func() Record
}

func (codec *JSONCodec) Encode(record Record) (encoded []byte, err error) {
	encoded, err = json.Marshal(record)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
	}
	return
}

func (codec *JSONCodec) Decode(id identifier.Identifier, encoded []byte) (record Record, err error) {
	record = codec.New()

	err = json.Unmarshal(encoded, record)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptionError)
		record = nil
		return
	}

	if record.ID() != id {
		err = blunder.NewError(blunder.CorruptionError, "record stored under %v decoded as %v", id, record.ID())
		record = nil
	}

	return
}
