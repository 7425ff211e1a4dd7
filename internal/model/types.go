package model

import (
	"time"

	"github.com/ggonzalez94/txflow/internal/execution"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	SessionID string    `json:"session_id,omitempty"`
}

// FlowResult is what plan and run print. It flattens the session header so
// --select can pick fields like status or final_hash directly.
type FlowResult struct {
	SessionID            string                  `json:"session_id"`
	Intent               execution.Intent        `json:"intent"`
	ChainID              int64                   `json:"chain_id"`
	Status               execution.SessionStatus `json:"status"`
	Multisig             bool                    `json:"multisig"`
	RequiresConfirmation bool                    `json:"requires_confirmation"`
	NeedsApproval        bool                    `json:"needs_approval"`
	RequiredAllowance    string                  `json:"required_allowance,omitempty"`
	CurrentAllowance     string                  `json:"current_allowance,omitempty"`
	FinalHash            string                  `json:"final_hash,omitempty"`
	Failure              execution.FailureKind   `json:"failure,omitempty"`
	Shape                []execution.StepShape   `json:"shape"`
	Steps                []execution.Step        `json:"steps"`
	Warnings             []execution.Warning     `json:"warnings,omitempty"`
	Metadata             map[string]string       `json:"metadata,omitempty"`
}

func NewFlowResult(session execution.Session) FlowResult {
	res := FlowResult{
		SessionID:            session.ID,
		Intent:               session.Intent,
		ChainID:              session.ChainID,
		Status:               session.Status,
		Multisig:             session.Multisig,
		RequiresConfirmation: session.RequiresConfirmation,
		FinalHash:            session.FinalHash(),
		Shape:                session.Shape(),
		Steps:                session.Steps,
		Warnings:             session.Warnings,
		Metadata:             session.Metadata,
	}
	if step, ok := session.FailedStep(); ok {
		res.Failure = step.Failure
	}
	return res
}

const (
	ReceiptPending  = "pending"
	ReceiptSuccess  = "success"
	ReceiptReverted = "reverted"
)

// ReceiptResult is what watch prints for one hash.
type ReceiptResult struct {
	Hash            string `json:"hash"`
	ChainID         int64  `json:"chain_id"`
	Status          string `json:"status"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

func NewReceiptResult(hash string, chainID int64, receipt *execution.Receipt) ReceiptResult {
	res := ReceiptResult{Hash: hash, ChainID: chainID, Status: ReceiptPending}
	if receipt == nil {
		return res
	}
	res.Status = ReceiptSuccess
	if !receipt.Succeeded() {
		res.Status = ReceiptReverted
	}
	res.BlockNumber = receipt.BlockNumber
	res.GasUsed = receipt.GasUsed
	res.TransactionHash = receipt.TransactionHash
	return res
}

type ChainInfo struct {
	ChainID    int64  `json:"chain_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	CAIP2      string `json:"caip2"`
	RPCURL     string `json:"rpc_url,omitempty"`
	Simulation bool   `json:"simulation"`
	SafeTxURL  string `json:"safe_service_url,omitempty"`
}

type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}
