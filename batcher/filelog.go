// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package batcher

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/platform"
	"github.com/NVIDIA/spacestore/trackedlock"
)

const (
	fileLogMagic        = uint32(0x53504c47) // "SPLG"
	fileLogMaxRecordLen = uint32(64 * 1024 * 1024)
)

// fileLogHeader precedes each record's JSON envelope.
type fileLogHeader struct {
	Magic    uint32
	Length   uint32
	Checksum uint64 // cityhash.Hash64 of the envelope
}

var fileLogHeaderSize uint64

func init() {
	var err error

	fileLogHeaderSize, _, err = cstruct.Examine(fileLogHeader{})
	if nil != err {
		logger.PanicfWithError(err, "cstruct.Examine(fileLogHeader{}) failed")
	}
}

// FileLog is a ReplayLog kept in a single append-only file.
type FileLog struct {
	trackedlock.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
}

func openFileLog(path string) (fileLog *FileLog, err error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	fileLog = &FileLog{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}

	logger.Infof("batcher log %s opened", path)

	return
}

func (fileLog *FileLog) Name() string {
	return filepath.Base(fileLog.path)
}

func (fileLog *FileLog) Path() string {
	return fileLog.path
}

// Append buffers cmd; it is written by the next Sync().
func (fileLog *FileLog) Append(cmd Command) (err error) {
	encoded, err := encodeCommand(cmd)
	if nil != err {
		return
	}

	if uint32(len(encoded)) > fileLogMaxRecordLen {
		err = blunder.NewError(blunder.InvalidArgError, "command %s encodes to %d bytes", cmd.Name(), len(encoded))
		return
	}

	header := &fileLogHeader{
		Magic:    fileLogMagic,
		Length:   uint32(len(encoded)),
		Checksum: cityhash.Hash64(encoded),
	}

	packedHeader, err := cstruct.Pack(header, cstruct.BigEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	fileLog.Lock()
	defer fileLog.Unlock()

	_, err = fileLog.writer.Write(packedHeader)
	if nil == err {
		_, err = fileLog.writer.Write(encoded)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}

// Sync writes buffered records and makes them durable.
func (fileLog *FileLog) Sync() (err error) {
	fileLog.Lock()
	defer fileLog.Unlock()

	return fileLog.syncLocked()
}

func (fileLog *FileLog) syncLocked() (err error) {
	err = fileLog.writer.Flush()
	if nil == err {
		err = platform.Fdatasync(fileLog.file)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

// Replay passes every intact record to fn. A torn or corrupt tail (left by
// a crash mid-append) is truncated away.
func (fileLog *FileLog) Replay(registry *Registry, fn func(cmd Command) (err error)) (replayed int, err error) {
	fileLog.Lock()
	defer fileLog.Unlock()

	err = fileLog.syncLocked()
	if nil != err {
		return
	}

	reader := bufio.NewReader(io.NewSectionReader(fileLog.file, 0, 1<<62))
	packedHeader := make([]byte, fileLogHeaderSize)
	offset := int64(0)

	for {
		var (
			header  fileLogHeader
			encoded []byte
			cmd     Command
		)

		_, err = io.ReadFull(reader, packedHeader)
		if io.EOF == err {
			err = nil
			return
		}
		if nil != err {
			err = fileLog.truncateTornLocked(offset, "short header")
			return
		}

		_, err = cstruct.Unpack(packedHeader, &header, cstruct.BigEndian)
		if (nil != err) || (fileLogMagic != header.Magic) || (header.Length > fileLogMaxRecordLen) {
			err = fileLog.truncateTornLocked(offset, "bad header")
			return
		}

		encoded = make([]byte, header.Length)
		_, err = io.ReadFull(reader, encoded)
		if nil != err {
			err = fileLog.truncateTornLocked(offset, "short record")
			return
		}

		if cityhash.Hash64(encoded) != header.Checksum {
			err = fileLog.truncateTornLocked(offset, "checksum mismatch")
			return
		}

		cmd, err = decodeCommand(registry, encoded)
		if nil != err {
			logger.ErrorfWithError(err, "batcher log %s record at offset %d undecodable", fileLog.path, offset)
			return
		}

		err = fn(cmd)
		if nil != err {
			return
		}

		replayed++
		offset += int64(fileLogHeaderSize) + int64(header.Length)
	}
}

func (fileLog *FileLog) truncateTornLocked(offset int64, reason string) (err error) {
	logger.Warnf("batcher log %s truncated at offset %d: %s", fileLog.path, offset, reason)

	err = fileLog.file.Truncate(offset)
	if nil == err {
		err = platform.Fdatasync(fileLog.file)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}

// Truncate discards every record.
func (fileLog *FileLog) Truncate() (err error) {
	fileLog.Lock()
	defer fileLog.Unlock()

	fileLog.writer.Reset(fileLog.file)

	err = fileLog.file.Truncate(0)
	if nil == err {
		err = platform.Fdatasync(fileLog.file)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}

// Size returns the log file's length, buffered records excluded.
func (fileLog *FileLog) Size() (size int64, err error) {
	info, err := fileLog.file.Stat()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	size = info.Size()
	return
}

func (fileLog *FileLog) Close() (err error) {
	fileLog.Lock()
	defer fileLog.Unlock()

	err = fileLog.syncLocked()

	closeErr := fileLog.file.Close()
	if (nil == err) && (nil != closeErr) {
		err = blunder.AddError(closeErr, blunder.IOError)
	}

	return
}
