package event

// Type identifies the kind of fact an event carries. The vocabulary is
// closed in the sense that modules declare which types they consume and
// produce, but new types can be added without touching the engine.
type Type string

const (
	// TypeRoot is the synthetic seed event type used when a target has no
	// more specific type. Most scans seed with the target's own type.
	TypeRoot Type = "ROOT"

	// TypeWildcard subscribes a module to every event type.
	TypeWildcard Type = "*"

	TypeDomainName     Type = "DOMAIN_NAME"
	TypeInternetName   Type = "INTERNET_NAME"
	TypeIPAddress      Type = "IP_ADDRESS"
	TypeIPv6Address    Type = "IPV6_ADDRESS"
	TypeNetblock       Type = "NETBLOCK"
	TypeEmailAddr      Type = "EMAILADDR"
	TypePhoneNumber    Type = "PHONE_NUMBER"
	TypeUsername       Type = "USERNAME"
	TypeSSLCertIssued  Type = "SSL_CERTIFICATE_ISSUED"
	TypeSSLCertRaw     Type = "SSL_CERTIFICATE_RAW"
	TypeTCPPortOpen    Type = "TCP_PORT_OPEN"
	TypeWebServer      Type = "WEBSERVER_BANNER"
	TypeRawData        Type = "RAW_DATA"
	TypeVulnerability  Type = "VULNERABILITY"
	TypeMalicious      Type = "MALICIOUS_INDICATOR"
	TypeGeoInfo        Type = "GEOINFO"
	TypeDNSRecord      Type = "DNS_TEXT_RECORD"
	TypeSimilarDomain  Type = "SIMILAR_DOMAIN"
	TypeAffiliate      Type = "AFFILIATE_DOMAIN"
	TypeCoHostedSite   Type = "CO_HOSTED_SITE"
	TypeProviderDNS    Type = "PROVIDER_DNS"
	TypeProviderMail   Type = "PROVIDER_MAIL"
	TypeSocialMedia    Type = "SOCIAL_MEDIA"
	TypeHumanName      Type = "HUMAN_NAME"
	TypeBitcoinAddress Type = "BITCOIN_ADDRESS"
)

// seedableTypes are the types accepted as scan targets.
var seedableTypes = map[Type]bool{
	TypeDomainName:     true,
	TypeInternetName:   true,
	TypeIPAddress:      true,
	TypeIPv6Address:    true,
	TypeNetblock:       true,
	TypeEmailAddr:      true,
	TypePhoneNumber:    true,
	TypeUsername:       true,
	TypeBitcoinAddress: true,
}

// Seedable reports whether t may be used as a scan target type.
func (t Type) Seedable() bool {
	return seedableTypes[t]
}

// String returns the type as a string.
func (t Type) String() string {
	return string(t)
}

// Target is the value a scan is seeded with, typed by the event
// vocabulary so module resolution can start from its type.
type Target struct {
	Value string `json:"value"`
	Type  Type   `json:"type"`
}

// Validate checks that the target carries a value and a seedable type.
func (t Target) Validate() error {
	if t.Value == "" {
		return ErrEmptyTarget
	}
	if !t.Type.Seedable() {
		return ErrBadTargetType
	}
	return nil
}
