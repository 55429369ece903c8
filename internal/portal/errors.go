package portal

import "errors"

var (
	ErrLicenseNotFound  = errors.New("license not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrNotAmposProduct  = errors.New("selected product is not an AMPOS product")
	ErrInvalidStatus    = errors.New("invalid license status")
	ErrDuplicate        = errors.New("record already exists")
)
