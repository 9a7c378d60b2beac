package syscall

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
)

// CPI constants.
const (
	MaxCPIInstructionSize  = 10 * 1024 // Maximum CPI instruction data size
	MaxCPIAccountInfos     = 128       // Maximum account infos per CPI
	MaxCPIAccountMetas     = 255       // Maximum account metas per CPI
	MaxCPISignerSeeds      = 16        // Maximum signer seed groups
	MaxCPISignerSeedLength = 32        // Maximum length per seed

	// Compute costs for CPI
	CUCPIPerAccount  = uint64(10) // Cost per account info in CPI
	CUCPIPerDataByte = uint64(1)  // Cost per data byte
)

// CPI errors.
var (
	ErrCPIInvalidInstruction = errors.New("invalid CPI instruction")
	ErrCPITooManyAccounts    = errors.New("too many accounts in CPI")
	ErrCPIDataTooLarge       = errors.New("CPI instruction data too large")
)

// Layout of the C ABI instruction:
//
//	struct SolInstruction {
//	    SolPubkey* program_id;     // 0
//	    SolAccountMeta* accounts;  // 8
//	    uint64_t account_len;      // 16
//	    uint8_t* data;             // 24
//	    uint64_t data_len;         // 32
//	};
//
//	struct SolAccountMeta {
//	    SolPubkey* pubkey;         // 0
//	    bool is_writable;          // 8
//	    bool is_signer;            // 9
//	};                             // 16 with padding
const (
	solInstructionSize = 40
	solAccountMetaSize = 16
	solSignerSeedsSize = 16
)

// Instruction is a decoded cross-program invocation request.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

func cpiSyscalls() []*Definition {
	return []*Definition{
		{
			// sol_invoke_signed_c(instruction, account_infos, account_infos_len,
			// signer_seeds, signer_seeds_len) returns 0 when the callee
			// succeeded and 1 when it failed. Invocations that cannot start
			// abort the caller.
			//
			// Account state is shared through the invoke context, so
			// account infos are bounded but not read.
			Name:      "sol_invoke_signed_c",
			FixedCost: svm.CUInvokeBase,
			Cost:      perByte(2, CUCPIPerAccount),
			Signature: Signature{
				fixed("instruction", svm.AccessRead, solInstructionSize, 8),
				nullable(indirect("account_infos")),
				length("account_infos_len", MaxCPIAccountInfos),
				nullable(indirect("signer_seeds")),
				length("signer_seeds_len", MaxCPISignerSeeds),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				ix, err := ReadInstruction(ctx, args[0])
				if err != nil {
					return 0, err
				}
				if err := ctx.ConsumeCU(svm.SaturatingMul(uint64(len(ix.Data)), CUCPIPerDataByte)); err != nil {
					return 0, err
				}
				signers, err := ReadSigners(ctx, args[3], args[4])
				if err != nil {
					return 0, err
				}
				err = ctx.Invoke(ix.ProgramID, ix.Accounts, ix.Data, signers)
				switch {
				case errors.Is(err, ErrCalleeFailed):
					return 1, nil
				case err != nil:
					return 0, err
				}
				return 0, nil
			},
		},
	}
}

// ReadInstruction decodes a C ABI instruction at addr from the active
// frame's memory.
func ReadInstruction(ctx Context, addr uint64) (*Instruction, error) {
	mem := ctx.Memory()
	raw, err := mem.ReadBytes(addr, solInstructionSize)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	programIDPtr := le.Uint64(raw[0:])
	accountsPtr := le.Uint64(raw[8:])
	accountsLen := le.Uint64(raw[16:])
	dataPtr := le.Uint64(raw[24:])
	dataLen := le.Uint64(raw[32:])

	if accountsLen > MaxCPIAccountMetas {
		return nil, ErrCPITooManyAccounts
	}
	if dataLen > MaxCPIInstructionSize {
		return nil, ErrCPIDataTooLarge
	}

	ix := &Instruction{
		Accounts: make([]AccountMeta, accountsLen),
		Data:     make([]byte, dataLen),
	}
	if err := mem.Read(programIDPtr, ix.ProgramID[:]); err != nil {
		return nil, err
	}
	for i := uint64(0); i < accountsLen; i++ {
		meta := accountsPtr + i*solAccountMetaSize
		pubkeyPtr, err := mem.Read64(meta)
		if err != nil {
			return nil, err
		}
		if err := mem.Read(pubkeyPtr, ix.Accounts[i].Pubkey[:]); err != nil {
			return nil, err
		}
		isWritable, err := mem.Read8(meta + 8)
		if err != nil {
			return nil, err
		}
		isSigner, err := mem.Read8(meta + 9)
		if err != nil {
			return nil, err
		}
		ix.Accounts[i].IsWritable = isWritable != 0
		ix.Accounts[i].IsSigner = isSigner != 0
	}
	if err := mem.Read(dataPtr, ix.Data); err != nil {
		return nil, err
	}
	return ix, nil
}

// ReadSigners derives the program addresses the calling program signs for
// from n signer seed groups at addr.
func ReadSigners(ctx Context, addr, n uint64) ([]types.Pubkey, error) {
	if addr == 0 || n == 0 {
		return nil, nil
	}
	mem := ctx.Memory()
	signers := make([]types.Pubkey, 0, n)
	for i := uint64(0); i < n; i++ {
		group := addr + i*solSignerSeedsSize
		seedsPtr, err := mem.Read64(group)
		if err != nil {
			return nil, err
		}
		seedsLen, err := mem.Read64(group + 8)
		if err != nil {
			return nil, err
		}
		if seedsLen > MaxSeeds {
			return nil, ErrMaxSeedsExceeded
		}
		seeds, err := mem.ReadSlices(seedsPtr, seedsLen, MaxCPISignerSeedLength)
		if err != nil {
			return nil, err
		}
		pda, err := CreateProgramAddress(seeds, ctx.ProgramID())
		if err != nil {
			return nil, err
		}
		signers = append(signers, pda)
	}
	return signers, nil
}
