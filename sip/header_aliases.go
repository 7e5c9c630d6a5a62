package sip

// These names predate the shorter header type names below and are kept as
// aliases so both spellings resolve to the same type.
type CallIDHeader = CallID
type CSeqHeader = CSeq
type ContentLengthHeader = ContentLength
type ContentTypeHeader = ContentType
