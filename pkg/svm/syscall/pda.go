package syscall

import (
	"crypto/sha256"
	"errors"

	"filippo.io/edwards25519"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// PDA marker used in address derivation.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrInvalidSeeds          = errors.New("invalid seeds - derived address is on curve")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

func pdaSyscalls() []*Definition {
	return []*Definition{
		{
			// sol_create_program_address(seeds, n, program_id, result)
			// returns 0 on success and 1 when the seeds are unusable.
			Name:      "sol_create_program_address",
			FixedCost: svm.CUCreateProgramAddress,
			Signature: Signature{
				nullable(indirect("seeds")),
				length("n", MaxSeeds),
				fixed("program_id", svm.AccessRead, types.PubkeySize, 1),
				fixed("result", svm.AccessWrite, types.PubkeySize, 1),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				seeds, err := ctx.Memory().ReadSlices(args[0], args[1], MaxMemOpSize)
				if err != nil {
					return 0, err
				}
				pda, err := CreateProgramAddress(seeds, pubkeyOf(ops[2]))
				if err != nil {
					return 1, nil
				}
				copy(ops[3], pda[:])
				return 0, nil
			},
		},
		{
			// sol_try_find_program_address(seeds, n, program_id, result, bump)
			// charges one derivation per attempted bump.
			Name:      "sol_try_find_program_address",
			FixedCost: svm.CUFindProgramAddress,
			Signature: Signature{
				nullable(indirect("seeds")),
				length("n", MaxSeeds-1),
				fixed("program_id", svm.AccessRead, types.PubkeySize, 1),
				fixed("result", svm.AccessWrite, types.PubkeySize, 1),
				fixed("bump", svm.AccessWrite, 1, 1),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				seeds, err := ctx.Memory().ReadSlices(args[0], args[1], MaxMemOpSize)
				if err != nil {
					return 0, err
				}
				attempt := 0
				pda, bump, err := findProgramAddress(seeds, pubkeyOf(ops[2]), func() error {
					attempt++
					if attempt == 1 {
						return nil
					}
					return ctx.ConsumeCU(svm.CUFindProgramAddress)
				})
				switch {
				case errors.Is(err, svm.ErrComputeExceeded):
					return 0, err
				case err != nil:
					return 1, nil
				}
				copy(ops[3], pda[:])
				ops[4][0] = bump
				return 0, nil
			},
		},
	}
}

func pubkeyOf(b []byte) types.Pubkey {
	var key types.Pubkey
	copy(key[:], b)
	return key
}

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns error if the derived address is on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return types.Pubkey{}, ErrMaxSeedLengthExceeded
		}
	}

	// Build hash input: seeds + programID + marker
	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	var pda types.Pubkey
	copy(pda[:], h.Sum(nil))
	if isOnCurve(pda[:]) {
		return types.Pubkey{}, ErrInvalidSeeds
	}
	return pda, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	return findProgramAddress(seeds, programID, nil)
}

func findProgramAddress(seeds [][]byte, programID types.Pubkey, onAttempt func() error) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}
	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		if onAttempt != nil {
			if err := onAttempt(); err != nil {
				return types.Pubkey{}, 0, err
			}
		}
		seedsWithBump[len(seeds)] = []byte{uint8(bump)}
		pda, err := CreateProgramAddress(seedsWithBump, programID)
		switch {
		case err == nil:
			return pda, uint8(bump), nil
		case !errors.Is(err, ErrInvalidSeeds):
			return types.Pubkey{}, 0, err
		}
	}
	return types.Pubkey{}, 0, ErrNoViableBump
}

// isOnCurve reports whether point decodes to an ed25519 point. Like the
// runtime it accepts non-canonical encodings of y.
func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
