package models

import "encoding/json"

// UserType is the console account type carried in API tokens
type UserType int

const (
	UserTypeSubscriber UserType = 1
	UserTypeReseller   UserType = 2
	UserTypeSupport    UserType = 3
	UserTypeAdmin      UserType = 4
	UserTypeCollector  UserType = 5
	UserTypeReadonly   UserType = 6
)

var userTypeNames = map[UserType]string{
	UserTypeSubscriber: "subscriber",
	UserTypeReseller:   "reseller",
	UserTypeSupport:    "support",
	UserTypeAdmin:      "admin",
	UserTypeCollector:  "collector",
	UserTypeReadonly:   "readonly",
}

func (ut UserType) String() string {
	if s, ok := userTypeNames[ut]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON converts UserType to string for JSON
func (ut UserType) MarshalJSON() ([]byte, error) {
	return json.Marshal(ut.String())
}

// UnmarshalJSON accepts the string form, or an integer from older tokens
func (ut *UserType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*ut = UserType(i)
		return nil
	}
	for t, name := range userTypeNames {
		if name == s {
			*ut = t
			return nil
		}
	}
	*ut = UserTypeSubscriber
	return nil
}
