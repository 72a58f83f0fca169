package lsm

import "errors"

// ErrEntryTooLarge is returned for a single batch item whose encoded size
// exceeds the memtable's configured byte budget even when the memtable is
// otherwise empty. Per the write-path contract, such an entry is a hard
// error for that entry alone; the rest of the batch still proceeds.
var ErrEntryTooLarge = errors.New("lsm: entry exceeds memtable budget")
