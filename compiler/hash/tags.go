package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the digest serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones silently
// turns every cached image into a miss.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing digests.
const HashVersion byte = 1

// AST node tags.
const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	// Declarations
	TagFile   byte = 0x01
	TagStruct byte = 0x02
	TagUnion  byte = 0x03
	TagField  byte = 0x04
	TagFunc   byte = 0x05
	TagParam  byte = 0x06
	TagType   byte = 0x07
	TagVoid   byte = 0x08

	// Literals and names
	TagNumber   byte = 0x10
	TagString   byte = 0x11
	TagLocalRef byte = 0x12 // positional index within the function
	TagFreeRef  byte = 0x13 // a name the normalizer could not resolve

	// Expressions
	TagUnary  byte = 0x18
	TagBinary byte = 0x19
	TagCall   byte = 0x1A
	TagDot    byte = 0x1B
	TagNew    byte = 0x1C
	TagFree   byte = 0x1D
	TagCast   byte = 0x1E

	// Statements
	TagBlock    byte = 0x28
	TagExprStmt byte = 0x29
	TagVarDecl  byte = 0x2A
	TagReturn   byte = 0x2B
	TagIf       byte = 0x2C
	TagLoop     byte = 0x2D
	TagContinue byte = 0x2E
	TagBreak    byte = 0x2F
	TagNone     byte = 0x30 // absent optional child
)

// allTags lists every defined tag for uniqueness verification in tests.
var allTags = []byte{
	TagReservedZero,
	TagFile, TagStruct, TagUnion, TagField, TagFunc, TagParam, TagType, TagVoid,
	TagNumber, TagString, TagLocalRef, TagFreeRef,
	TagUnary, TagBinary, TagCall, TagDot, TagNew, TagFree, TagCast,
	TagBlock, TagExprStmt, TagVarDecl, TagReturn, TagIf, TagLoop,
	TagContinue, TagBreak, TagNone,
}
