package protocol

// Request element shapes, used only as DecodeElement targets so the
// decoder can consume one child subtree at a time while §6's ordering
// requirement ("one child per request child, in input order") is
// preserved by walking tokens instead of unmarshaling the whole document
// into grouped slices.

type accountCreateXML struct {
	ID      string `xml:"id,attr"`
	Balance string `xml:"balance,attr"`
}

type symbolAccountXML struct {
	ID     string `xml:"id,attr"`
	Amount string `xml:",chardata"`
}

type symbolCreateXML struct {
	Sym      string             `xml:"sym,attr"`
	Accounts []symbolAccountXML `xml:"account"`
}

type orderXML struct {
	Sym    string `xml:"sym,attr"`
	Amount string `xml:"amount,attr"`
	Limit  string `xml:"limit,attr"`
}

type queryXML struct {
	ID string `xml:"id,attr"`
}

type cancelXML struct {
	ID string `xml:"id,attr"`
}
