package crypto

// EncryptKeyIterations exposes a cheap KDF setting to tests.
var EncryptKeyIterations = encryptKey
