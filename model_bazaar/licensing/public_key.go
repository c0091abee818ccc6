package licensing

// The public key is compiled into the binary rather than read from a .pem file
// so that it cannot be swapped for a key that signs custom licenses.
const publicKey = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAvqij2i/RSUPJiiJRhrvl
LpYMiEdtguQyHOWiZpNKrB21bjbdC+ykV+GsJVOKwDwiHldev9dbxiDP6OeZSEKO
nLh846U9kiUIIMCD9Jjj0aM7LvqEOIixYJ/QSeCUd3dV1Bm6AeVJpwy2aly6s9HD
mFcpVP2ybOVRxSjBTAnTqgU0jy9QdStQ1etHppqyJpxMv40nNpzBpiPRZG+pwf8M
+6Ma8OrBuX/92OfuPqDIvav8rhikXH6qNktdLNgWfrvWnaBlH49RByWimSMG6D8W
IqrHDGnyA1ouwl1IROijzQXGgbc/luoWjWl2Tx86zoTTpRUMRZhehNr8v7oDonoC
YQIDAQAB
-----END PUBLIC KEY-----`
