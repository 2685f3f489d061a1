package memutils

// Validatable is anything with internal consistency checks: pools, block metadata, and staging
// leases. DebugValidate accepts any of them.
type Validatable interface {
	Validate() error
}
