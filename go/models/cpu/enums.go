package cpu

// hook types, numbered like Unicorn's so backends can pass them straight through
const (
	HOOK_INTR = 1
	HOOK_CODE = 4

	HOOK_MEM_READ  = 1024
	HOOK_MEM_WRITE = 2048
	HOOK_MEM_FETCH = 4096

	// all memory errors
	HOOK_MEM_ERR = 1008
)

// fault enums passed to HOOK_MEM_ERR callbacks and carried by MemError
const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_FETCH_UNMAPPED = 21
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
	MEM_FETCH_PROT     = 14
)

// memory protections
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// access types passed to HOOK_MEM_* callbacks
const (
	MEM_WRITE = 16
	MEM_READ  = 17
	MEM_FETCH = 18
)
