package importer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mapping describes how a delimited file's columns map onto canonical
// record fields. Mappings ship as YAML documents so a new county format is
// a config change, not a code change.
type Mapping struct {
	// Format is the registry identifier this mapping belongs to.
	Format string `yaml:"format"`

	// Delimiter is the single-character field separator ("\t" or ",").
	Delimiter string `yaml:"delimiter"`

	// KeyColumn is the source column holding the record's natural key.
	KeyColumn string `yaml:"key_column"`

	// Columns maps source header names to canonical field names. Columns
	// absent from the map are ignored.
	Columns map[string]string `yaml:"columns"`

	// Required lists source columns that must be non-empty for a row to be
	// accepted. A row missing one is a row-level error, not a job failure.
	Required []string `yaml:"required"`
}

// LoadMapping reads a Mapping from a YAML file.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the mapping is usable.
func (m *Mapping) Validate() error {
	if m.KeyColumn == "" {
		return fmt.Errorf("mapping for %q has no key_column", m.Format)
	}
	if len(m.Delimiter) != 1 {
		return fmt.Errorf("mapping for %q needs a single-character delimiter", m.Format)
	}
	return nil
}

// VoterFileMapping is the default mapping for tab-delimited county voter
// registration exports. The column set follows the Contra Costa layout.
func VoterFileMapping() *Mapping {
	return &Mapping{
		Format:    "voterfile",
		Delimiter: "\t",
		KeyColumn: "RegistrationNumber",
		Columns: map[string]string{
			"RegistrationNumber": "registration_number",
			"LastName":           "last_name",
			"FirstName":          "first_name",
			"MiddleName":         "middle_name",
			"NameSuffix":         "name_suffix",
			"Gender":             "gender",
			"HouseNumber":        "house_number",
			"PreDirection":       "pre_direction",
			"StreetName":         "street_name",
			"StreetSuffix":       "street_suffix",
			"PostDirection":      "post_direction",
			"UnitAbbr":           "unit_abbr",
			"UnitNumber":         "unit_number",
			"ResidenceCity":      "residence_city",
			"ResidenceZipCode":   "residence_zip",
			"MailAddress1":       "mail_address_1",
			"MailAddress2":       "mail_address_2",
			"MailCity":           "mail_city",
			"MailState":          "mail_state",
			"MailZip":            "mail_zip",
			"PhoneNumber":        "phone",
			"EmailAddress":       "email",
			"RegistrationDate":   "registration_date",
			"BirthDate":          "birth_date",
			"PartyAbbr":          "party",
			"PrecinctNumber":     "precinct",
		},
		Required: []string{"RegistrationNumber", "LastName"},
	}
}

// CSVMapping is the default mapping for plain comma-separated files using
// the same canonical column names as their headers.
func CSVMapping() *Mapping {
	return &Mapping{
		Format:    "csv",
		Delimiter: ",",
		KeyColumn: "registration_number",
		Required:  []string{"registration_number"},
	}
}
