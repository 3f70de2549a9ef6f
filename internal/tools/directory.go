// Package tools provides the business-data lookups and side-effecting
// actions available to agents.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// CustomerProfile is the account record of a customer
type CustomerProfile struct {
	CustomerID    string  `json:"customer_id" yaml:"customer_id"`
	Name          string  `json:"name" yaml:"name"`
	Email         string  `json:"email" yaml:"email"`
	Phone         string  `json:"phone" yaml:"phone"`
	Tier          string  `json:"tier" yaml:"tier"`
	AccountStatus string  `json:"account_status" yaml:"account_status"`
	PaymentMethod string  `json:"payment_method" yaml:"payment_method"`
	LifetimeValue float64 `json:"lifetime_value" yaml:"lifetime_value"`
	Notes         string  `json:"notes,omitempty" yaml:"notes"`
}

// PhoneService is one line on a customer account
type PhoneService struct {
	PhoneNumber string   `json:"phone_number" yaml:"phone_number"`
	ServiceType string   `json:"service_type" yaml:"service_type"`
	Status      string   `json:"status" yaml:"status"`
	Plan        string   `json:"plan" yaml:"plan"`
	Features    []string `json:"features" yaml:"features"`
}

// PhoneServices lists the lines of a customer
type PhoneServices struct {
	CustomerID string         `json:"customer_id" yaml:"customer_id"`
	Services   []PhoneService `json:"services" yaml:"services"`
}

// Directory answers customer and phone service lookups. Lookups are
// idempotent and have no side effects; a missing record is reported with
// ok == false rather than an error.
type Directory interface {
	LookupCustomer(ctx context.Context, customerID string) (*CustomerProfile, bool, error)
	LookupPhoneServices(ctx context.Context, customerID string) (*PhoneServices, bool, error)
}

// MemoryDirectory is an in-memory Directory
type MemoryDirectory struct {
	mu        sync.RWMutex
	customers map[string]CustomerProfile
	services  map[string]PhoneServices
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		customers: make(map[string]CustomerProfile),
		services:  make(map[string]PhoneServices),
	}
}

// SampleDirectory returns a directory seeded with demo accounts
func SampleDirectory() *MemoryDirectory {
	d := NewMemoryDirectory()
	d.AddCustomer(CustomerProfile{
		CustomerID: "CUST001", Name: "John Doe", Email: "john.doe@email.com", Phone: "5551234567",
		Tier: "gold", AccountStatus: "active", PaymentMethod: "auto_pay", LifetimeValue: 2500,
		Notes: "Preferred customer, quick response required",
	}, PhoneService{
		PhoneNumber: "5551234567", ServiceType: "voice", Status: "active", Plan: "unlimited",
		Features: []string{"voicemail", "call_waiting", "caller_id"},
	}, PhoneService{
		PhoneNumber: "5551234568", ServiceType: "voice", Status: "active", Plan: "basic",
		Features: []string{"voicemail"},
	})
	d.AddCustomer(CustomerProfile{
		CustomerID: "CUST002", Name: "Jane Smith", Email: "jane.smith@email.com", Phone: "5559876543",
		Tier: "platinum", AccountStatus: "active", PaymentMethod: "credit_card", LifetimeValue: 5000,
		Notes: "VIP customer, escalate immediately if needed",
	}, PhoneService{
		PhoneNumber: "5559876543", ServiceType: "voice", Status: "active", Plan: "premium",
		Features: []string{"voicemail", "call_waiting", "caller_id", "international"},
	})
	d.AddCustomer(CustomerProfile{
		CustomerID: "CUST003", Name: "Test Customer", Email: "test@telecom.com", Phone: "5555551234",
		Tier: "silver", AccountStatus: "active", PaymentMethod: "bank_transfer", LifetimeValue: 1200,
	}, PhoneService{
		PhoneNumber: "5555551234", ServiceType: "voice", Status: "active", Plan: "standard",
		Features: []string{"voicemail", "caller_id"},
	})
	return d
}

// AddCustomer adds or replaces a customer and its lines
func (d *MemoryDirectory) AddCustomer(p CustomerProfile, lines ...PhoneService) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customers[p.CustomerID] = p
	if len(lines) > 0 {
		d.services[p.CustomerID] = PhoneServices{CustomerID: p.CustomerID, Services: lines}
	}
}

func (d *MemoryDirectory) LookupCustomer(ctx context.Context, customerID string) (*CustomerProfile, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.customers[customerID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (d *MemoryDirectory) LookupPhoneServices(ctx context.Context, customerID string) (*PhoneServices, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.services[customerID]
	if !ok {
		return nil, false, nil
	}
	s.Services = append([]PhoneService(nil), s.Services...)
	return &s, true, nil
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// NormalizePhoneNumber validates a North American number and returns its ten
// digits
func NormalizePhoneNumber(number string) (string, error) {
	clean := nonDigits.ReplaceAllString(number, "")
	if len(clean) == 11 && strings.HasPrefix(clean, "1") {
		clean = clean[1:]
	}
	if len(clean) != 10 {
		return "", fmt.Errorf("phone number %q: want 10 digits, got %d", number, len(clean))
	}
	if clean[0] == '0' || clean[0] == '1' {
		return "", fmt.Errorf("phone number %q: invalid area code", number)
	}
	if clean[3] == '0' || clean[3] == '1' {
		return "", fmt.Errorf("phone number %q: invalid exchange code", number)
	}
	return clean, nil
}

// FormatPhoneNumber renders ten digits as (555) 123-4567
func FormatPhoneNumber(digits string) string {
	if len(digits) != 10 {
		return digits
	}
	return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
}
