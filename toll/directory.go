/*
directory.go - Tag to customer directory

PURPOSE:
  Maps physical RFID tags to the payment provider's customer records. The
  mapping is injected at startup, never compiled in.

SOURCES:
  TAG_DIRECTORY env (JSON), either the flat form
      {"7a5a3d02": "CUS_nqf4gq1bbkwf2kx"}
  or full records
      {"7a5a3d02": {"customer_code": "CUS_...", "email": "...", "label": "..."}}

  TAG_DIRECTORY_FILE (YAML):
      customers:
        - tag: 7a5a3d02
          customer_code: CUS_nqf4gq1bbkwf2kx
          email: owner@example.com
          label: GR-1234-20

NORMALIZATION:
  Tags are trimmed and lowercased on load and on lookup, so devices that
  print uppercase hex still resolve.
*/
package toll

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/warp/toll-ledger/ledger"
	"gopkg.in/yaml.v3"
)

// Customer is one directory record.
type Customer struct {
	Tag          ledger.AccountID `json:"tag" yaml:"tag"`
	CustomerCode string           `json:"customer_code" yaml:"customer_code"`
	Email        string           `json:"email" yaml:"email"`
	Label        string           `json:"label" yaml:"label"`
}

// Profile returns the account metadata for this customer.
func (c Customer) Profile() ledger.Profile {
	return ledger.Profile{Email: c.Email, CustomerCode: c.CustomerCode, Label: c.Label}
}

// Directory is an immutable tag/customer index. The zero value is empty.
type Directory struct {
	byTag  map[ledger.AccountID]Customer
	byCode map[string]ledger.AccountID
}

// NewDirectory indexes customers. Duplicate tags or customer codes are errors.
func NewDirectory(customers []Customer) (*Directory, error) {
	d := &Directory{
		byTag:  make(map[ledger.AccountID]Customer, len(customers)),
		byCode: make(map[string]ledger.AccountID, len(customers)),
	}
	for _, c := range customers {
		tag, err := ledger.NormalizeAccountID(string(c.Tag))
		if err != nil {
			return nil, fmt.Errorf("directory tag %q: %w", c.Tag, err)
		}
		c.Tag = tag
		c.CustomerCode = strings.TrimSpace(c.CustomerCode)
		c.Email = strings.ToLower(strings.TrimSpace(c.Email))

		if _, dup := d.byTag[tag]; dup {
			return nil, fmt.Errorf("directory: duplicate tag %q", tag)
		}
		if c.CustomerCode != "" {
			if other, dup := d.byCode[c.CustomerCode]; dup {
				return nil, fmt.Errorf("directory: customer %q mapped to both %q and %q", c.CustomerCode, other, tag)
			}
			d.byCode[c.CustomerCode] = tag
		}
		d.byTag[tag] = c
	}
	return d, nil
}

// ParseDirectoryJSON reads the TAG_DIRECTORY format. Empty input yields an
// empty directory.
func ParseDirectoryJSON(raw string) (*Directory, error) {
	if strings.TrimSpace(raw) == "" {
		return NewDirectory(nil)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse tag directory: %w", err)
	}

	customers := make([]Customer, 0, len(entries))
	for tag, value := range entries {
		var code string
		if err := json.Unmarshal(value, &code); err == nil {
			customers = append(customers, Customer{Tag: ledger.AccountID(tag), CustomerCode: code})
			continue
		}
		var c Customer
		if err := json.Unmarshal(value, &c); err != nil {
			return nil, fmt.Errorf("parse tag directory entry %q: %w", tag, err)
		}
		c.Tag = ledger.AccountID(tag)
		customers = append(customers, c)
	}
	return NewDirectory(customers)
}

type directoryFile struct {
	Customers []Customer `yaml:"customers"`
}

// LoadDirectoryFile reads the YAML directory at path.
func LoadDirectoryFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tag directory: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tag directory %s: %w", path, err)
	}
	return NewDirectory(f.Customers)
}

// Merge returns a directory holding both sets; entries in other win.
func (d *Directory) Merge(other *Directory) (*Directory, error) {
	merged := map[ledger.AccountID]Customer{}
	for _, c := range d.All() {
		merged[c.Tag] = c
	}
	for _, c := range other.All() {
		merged[c.Tag] = c
	}
	all := make([]Customer, 0, len(merged))
	for _, c := range merged {
		all = append(all, c)
	}
	return NewDirectory(all)
}

// Lookup returns the customer for a raw tag.
func (d *Directory) Lookup(rawTag string) (Customer, bool) {
	if d == nil {
		return Customer{}, false
	}
	c, ok := d.byTag[ledger.AccountID(strings.ToLower(strings.TrimSpace(rawTag)))]
	return c, ok
}

// TagForCustomer returns the tag mapped to a provider customer code.
func (d *Directory) TagForCustomer(code string) (ledger.AccountID, bool) {
	if d == nil || code == "" {
		return "", false
	}
	tag, ok := d.byCode[strings.TrimSpace(code)]
	return tag, ok
}

// All returns every customer ordered by tag.
func (d *Directory) All() []Customer {
	if d == nil {
		return nil
	}
	out := make([]Customer, 0, len(d.byTag))
	for _, c := range d.byTag {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byTag)
}
