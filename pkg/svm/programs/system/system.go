// Package system implements the native System Program.
//
// The program runs as an invoke entrypoint over the active frame's
// accounts. It supports:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
package system

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm/invoke"
)

// ProgramID is the System Program address (all zeros).
var ProgramID = types.Pubkey{}

// Instruction discriminants.
const (
	InstructionCreateAccount = uint32(0)
	InstructionAssign        = uint32(1)
	InstructionTransfer      = uint32(2)
	InstructionAllocate      = uint32(8)
)

// ComputeUnits is charged on every System Program instruction.
const ComputeUnits = uint64(150)

// MaxAccountDataSize is the maximum account data size.
const MaxAccountDataSize = 10 * 1024 * 1024 // 10 MB

// Error types.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountNotWritable       = errors.New("account not writable")
	ErrAccountDataTooSmall      = errors.New("account data too small")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrLamportOverflow          = errors.New("lamport overflow")

	// ErrResizeInCPI is returned when a nested call asks to resize account
	// data. Callers' memory views map the data at its current length.
	ErrResizeInCPI = errors.New("account resize requires a top-level instruction")
)

// Program returns the System Program for registration with an executor or
// invoke context.
func Program() invoke.Program {
	return invoke.Program{Entrypoint: Process}
}

// Process executes the System Program instruction of the active frame.
func Process(ic *invoke.Context) error {
	if err := ic.ConsumeCU(ComputeUnits); err != nil {
		return err
	}
	f := ic.ActiveFrame()
	data := f.Data()
	if len(data) < 4 {
		return ErrInvalidInstructionData
	}
	accounts := f.Accounts()
	args := data[4:]

	switch binary.LittleEndian.Uint32(data[:4]) {
	case InstructionCreateAccount:
		return createAccount(ic, accounts, args)
	case InstructionAssign:
		return assign(accounts, args)
	case InstructionTransfer:
		return transfer(accounts, args)
	case InstructionAllocate:
		return allocate(ic, accounts, args)
	default:
		return ErrInvalidInstructionData
	}
}

func account(accounts []invoke.FrameAccount, i int) (invoke.FrameAccount, error) {
	if i >= len(accounts) {
		return invoke.FrameAccount{}, ErrNotEnoughAccountKeys
	}
	return accounts[i], nil
}

// signedWritable checks that acc can be debited or reassigned.
func signedWritable(acc invoke.FrameAccount) error {
	if !acc.IsSigner {
		return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, acc.State.Pubkey)
	}
	if !acc.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, acc.State.Pubkey)
	}
	return nil
}

func readOwner(data []byte) types.Pubkey {
	var owner types.Pubkey
	copy(owner[:], data)
	return owner
}

// createAccount: lamports (8) + space (8) + owner (32)
// Accounts: [0] funder, [1] new account.
func createAccount(ic *invoke.Context, accounts []invoke.FrameAccount, data []byte) error {
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	owner := readOwner(data[16:48])

	funder, err := account(accounts, 0)
	if err != nil {
		return err
	}
	created, err := account(accounts, 1)
	if err != nil {
		return err
	}
	if err := signedWritable(funder); err != nil {
		return err
	}
	if err := signedWritable(created); err != nil {
		return err
	}
	to := created.State
	if to.Owner != ProgramID || len(to.Data) > 0 || to.Lamports > 0 {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, to.Pubkey)
	}
	if funder.State.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if err := resize(ic, created, space); err != nil {
		return err
	}

	funder.State.Lamports -= lamports
	to.Lamports = lamports
	to.Owner = owner
	return nil
}

// assign: owner (32)
// Accounts: [0] assigned account.
func assign(accounts []invoke.FrameAccount, data []byte) error {
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}
	acc, err := account(accounts, 0)
	if err != nil {
		return err
	}
	if err := signedWritable(acc); err != nil {
		return err
	}
	if acc.State.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	acc.State.Owner = readOwner(data[0:32])
	return nil
}

// transfer: lamports (8)
// Accounts: [0] from, [1] to.
func transfer(accounts []invoke.FrameAccount, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])

	from, err := account(accounts, 0)
	if err != nil {
		return err
	}
	to, err := account(accounts, 1)
	if err != nil {
		return err
	}
	if err := signedWritable(from); err != nil {
		return err
	}
	if !to.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, to.State.Pubkey)
	}
	if from.State.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	if from.State.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if from.State == to.State {
		return nil
	}
	if to.State.Lamports > ^uint64(0)-lamports {
		return ErrLamportOverflow
	}
	from.State.Lamports -= lamports
	to.State.Lamports += lamports
	return nil
}

// allocate: space (8)
// Accounts: [0] allocated account.
func allocate(ic *invoke.Context, accounts []invoke.FrameAccount, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	space := binary.LittleEndian.Uint64(data[0:8])

	acc, err := account(accounts, 0)
	if err != nil {
		return err
	}
	if err := signedWritable(acc); err != nil {
		return err
	}
	if acc.State.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	if uint64(len(acc.State.Data)) > space {
		return ErrAccountDataTooSmall
	}
	return resize(ic, acc, space)
}

func resize(ic *invoke.Context, acc invoke.FrameAccount, space uint64) error {
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}
	if uint64(len(acc.State.Data)) == space {
		return nil
	}
	if ic.Depth() > 1 {
		return ErrResizeInCPI
	}
	data := make([]byte, space)
	copy(data, acc.State.Data)
	acc.State.Data = data
	return nil
}

// TransferData encodes a Transfer instruction.
func TransferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, InstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return data
}

// AssignData encodes an Assign instruction.
func AssignData(owner types.Pubkey) []byte {
	data := make([]byte, 36)
	binary.LittleEndian.PutUint32(data, InstructionAssign)
	copy(data[4:], owner[:])
	return data
}

// AllocateData encodes an Allocate instruction.
func AllocateData(space uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, InstructionAllocate)
	binary.LittleEndian.PutUint64(data[4:], space)
	return data
}

// CreateAccountData encodes a CreateAccount instruction.
func CreateAccountData(lamports, space uint64, owner types.Pubkey) []byte {
	data := make([]byte, 52)
	binary.LittleEndian.PutUint32(data, InstructionCreateAccount)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[12:], space)
	copy(data[20:], owner[:])
	return data
}
