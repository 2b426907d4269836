package settlement

// Error is an enumerable settlement failure. Callers branch on these with
// errors.Is rather than parsing messages.
type Error string

func (e Error) Error() string { return string(e) }

// Authorization errors.
const (
	ErrUnauthorized       Error = "caller is not authorized for this operation"
	ErrUnauthorizedSigner Error = "receipt signer is not allowed by the venue"
	ErrUnauthorizedVenue  Error = "venue is not allowed for this asset"
	ErrCallerIsNotAParty  Error = "caller is not a party to the instruction"
)

// Not-found and wrong-state errors.
const (
	ErrInvalidVenue                Error = "venue does not exist"
	ErrUnknownInstruction          Error = "instruction does not exist"
	ErrInstructionNotPending       Error = "instruction is not in a pending state"
	ErrInstructionNotFailed        Error = "instruction is not in a failed state"
	ErrLegNotPending               Error = "leg is not in a pending state"
	ErrInstructionNotAffirmed      Error = "instruction has not been affirmed"
	ErrUnexpectedAffirmationStatus Error = "affirmation is not in the expected state"
	ErrInstructionFailed           Error = "instruction has pending affirmations"
)

// Input validity errors.
const (
	ErrSameSenderReceiver       Error = "leg sender and receiver are the same portfolio"
	ErrZeroAmount               Error = "leg amount must be positive"
	ErrNoLegs                   Error = "instruction has no legs"
	ErrInstructionDatesInvalid  Error = "trade date is after value date"
	ErrSettleOnPastBlock        Error = "settlement block is not in the future"
	ErrSettleBlockPassed        Error = "settlement block has already passed"
	ErrSettleBlockNotReached    Error = "settlement block has not been reached"
	ErrNoPortfolioProvided      Error = "no portfolio was provided"
	ErrInvalidSignature         Error = "receipt signature does not verify"
	ErrPortfolioMismatch        Error = "receipt leg sender is not among the affirming portfolios"
	ErrTooManyFungibleLegs      Error = "instruction has too many fungible legs"
	ErrMaxNumberOfNFTsExceeded  Error = "instruction transfers too many NFTs"
	ErrMaxNFTsPerLegExceeded    Error = "leg transfers too many NFTs"
	ErrNFTCountUnderestimated   Error = "declared NFT count is below the actual number transferred"
	ErrDuplicateNFTID           Error = "leg lists the same NFT more than once"
	ErrLegCountTooSmall         Error = "declared leg count is below the actual number of sender legs"
	ErrReceiptForNonFungibleLeg Error = "receipts cannot cover non-fungible legs"
	ErrReceiptForOnChainAsset   Error = "receipts cannot cover assets settled on the ledger"
	ErrVenueDetailsTooLong      Error = "venue details exceed the maximum length"
	ErrInvalidVenueType         Error = "venue type is not recognized"
	ErrLegacyCallOnNFTLeg       Error = "legacy call cannot address an instruction with NFT legs"
	ErrInvalidLegKind           Error = "leg asset kind is not recognized"
	ErrInvalidSettlementType    Error = "settlement type is not recognized"
	ErrAssetNotOnLedger         Error = "leg ticker is not registered on the ledger"
	ErrOffChainAssetOnLedger    Error = "off-ledger leg ticker is registered on the ledger"
	ErrOffChainWithoutReceipt   Error = "off-ledger leg can only be affirmed with a receipt"
)

// Resource conflicts.
const (
	ErrReceiptAlreadyClaimed Error = "receipt has already been used"
	ErrReceiptNotClaimed     Error = "receipt is not marked as used"
	ErrDuplicateReceipt      Error = "duplicate (signer, uid) pair in supplied receipts"
	ErrFailedToLockTokens    Error = "failed to lock tokens for a leg"
	ErrSignerAlreadyExists   Error = "signer is already allowed by the venue"
	ErrSignerDoesNotExist    Error = "signer is not allowed by the venue"
	ErrCounterOverflow       Error = "identifier counter overflowed"
)

// Scheduling.
const (
	ErrFailedToSchedule Error = "failed to schedule instruction execution"
)
