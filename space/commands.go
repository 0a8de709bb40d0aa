// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package space

import (
	"github.com/NVIDIA/spacestore/batcher"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/txnlock"
)

// Every mutation of a Space is one of these logged commands.

type writeCommand struct {
	Txn   txnlock.TxnID `json:"txn"`
	Entry *Entry        `json:"entry"`
}

func (cmd *writeCommand) Name() string { return "space.write" }

func (cmd *writeCommand) Execute(system batcher.System) (result interface{}, err error) {
	err = system.(*Space).applyWrite(cmd.Txn, cmd.Entry)
	return
}

type takeCommand struct {
	Txn txnlock.TxnID         `json:"txn"`
	Key identifier.Identifier `json:"key"`
}

func (cmd *takeCommand) Name() string { return "space.take" }

func (cmd *takeCommand) Execute(system batcher.System) (result interface{}, err error) {
	err = system.(*Space).applyTake(cmd.Txn, cmd.Key)
	return
}

type commitCommand struct {
	Txn txnlock.TxnID `json:"txn"`
}

func (cmd *commitCommand) Name() string { return "space.commit" }

func (cmd *commitCommand) Execute(system batcher.System) (result interface{}, err error) {
	err = system.(*Space).applyCommit(cmd.Txn)
	return
}

type abortCommand struct {
	Txn txnlock.TxnID `json:"txn"`
}

func (cmd *abortCommand) Name() string { return "space.abort" }

func (cmd *abortCommand) Execute(system batcher.System) (result interface{}, err error) {
	err = system.(*Space).applyAbort(cmd.Txn)
	return
}

func newRegistry() (registry *batcher.Registry) {
	registry = batcher.NewRegistry()
	registry.Register("space.write", func() batcher.Command { return &writeCommand{} })
	registry.Register("space.take", func() batcher.Command { return &takeCommand{} })
	registry.Register("space.commit", func() batcher.Command { return &commitCommand{} })
	registry.Register("space.abort", func() batcher.Command { return &abortCommand{} })
	return
}
